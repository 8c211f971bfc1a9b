// internal/websocket/types.go
package websocket

// RPCRequest is a method call sent by the browser UI
type RPCRequest struct {
	ID     string        `json:"id"`     // echoed in the response
	Method string        `json:"method"` // App method name, e.g. "ListHistory"
	Params []interface{} `json:"params"` // positional, context excluded
}

// RPCResponse answers one RPCRequest
type RPCResponse struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// WSEvent is pushed by the server without a request
type WSEvent struct {
	Type    string      `json:"type"` // e.g. "history:changed"
	Payload interface{} `json:"payload"`
}

// WSMessage wraps every frame on the socket
type WSMessage struct {
	// "rpc_request", "rpc_response" or "event"
	Kind string `json:"kind"`

	Request  *RPCRequest  `json:"request,omitempty"`
	Response *RPCResponse `json:"response,omitempty"`
	Event    *WSEvent     `json:"event,omitempty"`
}
