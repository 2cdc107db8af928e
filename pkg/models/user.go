package models

// User is a dashboard login. APIKey is the MetaCopier key used on the user's
// behalf and is never serialized back to clients.
type User struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Email    string `json:"email" mapstructure:"email"`
	Password string `json:"-" mapstructure:"password"`
	APIKey   string `json:"-" mapstructure:"api_key"`
	// APIKeySecret names a secret holding the API key when keys live in
	// Secret Manager instead of the config file.
	APIKeySecret string `json:"-" mapstructure:"api_key_secret"`
}

// Identity is the caller as seen by the HTTP layer.
type Identity struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Initials string `json:"initials"`
	Avatar   string `json:"avatar,omitempty"`
}
