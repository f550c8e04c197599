package dto

type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status       string `json:"status"`
	Timestamp    string `json:"timestamp"`
	Store        string `json:"store"`
	StoreBackend string `json:"store_backend"`
	Redis        string `json:"redis,omitempty"`
}
