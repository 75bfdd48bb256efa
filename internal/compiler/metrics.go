package compiler

import "github.com/prometheus/client_golang/prometheus"

var compileTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "trtd",
		Name:      "compile_total",
		Help:      "Engine compilations by result",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(compileTotal)
}
