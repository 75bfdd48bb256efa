// Command libtrtd is the C ABI of trtd, built as a shared library:
//
//	go build -tags cabi -buildmode=c-shared -o libtrtd.so ./cmd/libtrtd
//
// Instances and fetched results are opaque 64-bit handles; 0 is null. The
// backend is chosen by TRTD_BACKEND ("emulator" by default, "tensorrt" when
// the library is also built with -tags=tensorrt). Native diagnostics at
// warning or above are written to stderr.
package main

func main() {}
