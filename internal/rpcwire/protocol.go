package rpcwire

import "github.com/googlesky/gleipnird/internal/model"

// Op names one of the daemon's four RPC operations: the three from spec
// §4.J plus get_rules.
type Op string

const (
	OpInitMonitor Op = "init_monitor"
	OpUnlock      Op = "unlock"
	OpSetRules    Op = "set_rules"
	OpGetRules    Op = "get_rules"
)

// Request is the single envelope type every control-plane call sends;
// only the fields relevant to Op are populated.
type Request struct {
	Op         Op
	SocketPath string      // OpInitMonitor
	Rules      model.Rules // OpSetRules
}

// Response is the single envelope type every control-plane call
// receives in reply.
type Response struct {
	OK         bool
	Error      string
	Authorized bool        // OpUnlock
	Rules      model.Rules // OpGetRules
}

// MonitorOp names one of the two callbacks the daemon makes into a
// connected GUI's monitor socket, per spec §4.K.
type MonitorOp string

const (
	MonitorOpPackages     MonitorOp = "on_packages"
	MonitorOpRulesUpdated MonitorOp = "on_rules_updated"
)

// MonitorCall is the envelope the daemon sends to a monitor client.
type MonitorCall struct {
	Op       MonitorOp
	Packages []model.PackageReport // MonitorOpPackages
	Rules    model.Rules           // MonitorOpRulesUpdated
}

// MonitorAck is the monitor client's reply to a MonitorCall.
type MonitorAck struct {
	OK    bool
	Error string
}
