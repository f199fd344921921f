package server

// Request is one line of the wire protocol.
type Request struct {
	Method string `json:"method"`
	Params Params `json:"params"`
}

// Params is the union of all method parameters. Methods read the fields
// they need and ignore the rest.
type Params struct {
	Model     string   `json:"model"`
	CacheDir  string   `json:"cache_dir"`
	Inputs    []string `json:"inputs"`
	Normalize *bool    `json:"normalize"`
	Pooling   string   `json:"pooling"`
}

// Response is one line of the wire protocol. Status is "ok" or "error";
// error responses carry only a message.
type Response struct {
	Status     string      `json:"status"`
	Message    string      `json:"message,omitempty"`
	Dimension  int         `json:"dimension,omitempty"`
	Providers  []string    `json:"providers,omitempty"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
	Count      int         `json:"count,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)
