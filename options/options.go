package options

import (
	"github.com/jessevdk/go-flags"
)

var Opts struct {
	Version         bool           `short:"v" long:"version" description:"Show loxisw version"`
	NoNlp           bool           `short:"n" long:"nonlp" description:"Do not register with nlp"`
	OfListen        string         `short:"l" long:"of-listen" description:"OpenFlow listen address" default:"0.0.0.0:6653" env:"OF_LISTEN"`
	Ports           []string       `short:"P" long:"port" description:"Switch port as name:portno[:vid[:tagged]][@mac], repeatable"`
	DefaultVid      uint16         `long:"default-vid" description:"Vlan of ports without an explicit vid" default:"1"`
	Bridge          string         `short:"B" long:"bridge" description:"Kernel bridge reconciled onto the switch" default:"none"`
	EgressFiltered  bool           `long:"egress-filtered" description:"Filter egress by bridge vlan membership"`
	NoIngressFilter bool           `long:"no-ingress-filter" description:"Allow all vlans on ingress of bridge ports"`
	FibIdle         int            `long:"fib-idle" description:"Idle timeout of learnt stations in seconds" default:"300"`
	TableSrc        uint8          `long:"table-src" description:"Source mac learning table" default:"1"`
	TableDst        uint8          `long:"table-dst" description:"Destination mac table" default:"2"`
	TableLocal      uint8          `long:"table-local" description:"Local address table" default:"3"`
	TableNeigh      uint8          `long:"table-neigh" description:"Neighbor table" default:"4"`
	TableVlan       uint8          `long:"table-vlan" description:"OF-DPA vlan table" default:"10"`
	TableTermMac    uint8          `long:"table-termmac" description:"OF-DPA termination mac table" default:"20"`
	TableBridging   uint8          `long:"table-bridging" description:"OF-DPA bridging table" default:"50"`
	TableAcl        uint8          `long:"table-acl" description:"OF-DPA acl policy table" default:"60"`
	LogLevel        string         `long:"loglevel" description:"One of debug,info,error,warning,notice,critical,emergency,alert" default:"debug"`
	LogFile         flags.Filename `long:"logfile" description:"Log file to use" default:"/var/log/loxisw.log" env:"LOXISW_LOG"`
	CPUProfile      string         `long:"cpuprofile" description:"Enable cpu profiling and specify file to use" default:"none" env:"CPUPROF"`
	Prometheus      bool           `short:"p" long:"prometheus" description:"Run prometheus thread"`
	PromListen      string         `long:"prom-listen" description:"Prometheus metrics listen address" default:":9000" env:"PROM_LISTEN"`
}
