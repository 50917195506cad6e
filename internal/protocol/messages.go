package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// MaxQueue bounds buffered ACKs for this session.
	MaxQueue int `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	SessionID       string   `json:"session_id"`
	WorldID         string   `json:"world_id"`
	RunID           string   `json:"run_id"`
	Tick            uint64   `json:"tick"`
	Species         []string `json:"species"`
	SpeciesDigest   string   `json:"species_digest"`
}

// Edit operations.
const (
	OpSetGas      = "SET_GAS"
	OpAddGas      = "ADD_GAS"
	OpVent        = "VENT"
	OpEnable      = "ENABLE"
	OpDisable     = "DISABLE"
	OpLink        = "LINK"
	OpUnlink      = "UNLINK"
	OpPlanetary   = "PLANETARY"
	OpTemperature = "TEMPERATURE"
	OpCopy        = "COPY"
)

// EDIT (client -> server): host-side map changes applied between passes.
// Every touched cell is queued for the next equalization batch.
type EditMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	ReqID           string   `json:"req_id"`
	Ops             []EditOp `json:"ops"`
}

type EditOp struct {
	Op   string `json:"op"`
	Cell uint32 `json:"cell"`
	// To is the other end for LINK/UNLINK and the destination for COPY.
	To       uint32  `json:"to,omitempty"`
	Firelock bool    `json:"firelock,omitempty"`
	Species  string  `json:"species,omitempty"`
	Moles    float64 `json:"moles,omitempty"`
	Kelvin   float64 `json:"kelvin,omitempty"`
	// Atmos names the planetary atmosphere; empty clears it.
	Atmos string `json:"atmos,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      uint64 `json:"server_tick,omitempty"`
	// Applied counts ops committed before a failure, or all of them.
	Applied int `json:"applied"`
}
