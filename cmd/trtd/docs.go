package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           trtd API
// @version         1.0
// @description     HTTP API for loading compiled TensorRT engines and running inference.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
