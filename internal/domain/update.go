package domain

// RawUpdate is a decoded stream message before normalization.
type RawUpdate map[string]any

// NormalizedUpdate is the canonical per-region record rendered by presentation.
// Every field is always set.
type NormalizedUpdate struct {
	Region    string  `json:"region"`
	Temp      float64 `json:"temp"`
	Humidity  float64 `json:"humidity"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	WindKmh   float64 `json:"windKmh"`
	Timestamp string  `json:"timestamp"`
}

// Credential is borrowed from the identity provider for the duration of opening
// a stream. An open stream is not re-validated.
type Credential struct {
	Token  string
	UserID string
}

// AuthorizationHeader returns the bearer value sent with the stream request.
func (c Credential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}
