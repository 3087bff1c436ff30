package api

// Endpoint paths on an interactsh server.
const (
	PathRegister   = "/register"
	PathPoll       = "/poll"
	PathDeregister = "/deregister"
)

type RegisterRequest struct {
	PublicKey     string `json:"public-key"`
	SecretKey     string `json:"secret-key"`
	CorrelationID string `json:"correlation-id"`
}

type DeregisterRequest struct {
	CorrelationID string `json:"correlation-id"`
	SecretKey     string `json:"secret-key"`
}

// PollResponse is the envelope returned by GET /poll. Data entries are
// AES-encrypted under AESKey; Extra and TLDData carry plaintext JSON.
type PollResponse struct {
	Data    []string `json:"data"`
	Extra   []string `json:"extra,omitempty"`
	AESKey  string   `json:"aes_key"`
	TLDData []string `json:"tlddata,omitempty"`
}

// Empty reports whether the response carries no interactions at all.
func (p *PollResponse) Empty() bool {
	return p == nil || (len(p.Data) == 0 && len(p.Extra) == 0 && len(p.TLDData) == 0)
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
