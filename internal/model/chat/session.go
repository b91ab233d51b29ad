package chat

// Session binds a live connection to a display name.
type Session struct {
	ConnectionID string `json:"connectionId,omitempty"`
	DisplayName  string `json:"username"`
	Online       bool   `json:"online"`
}

// User is the persisted presence record, upserted on join and disconnect.
type User struct {
	Username     string `json:"username"`
	Online       bool   `json:"online"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// UserFromSession converts the registry view into the stored record.
func UserFromSession(s Session) User {
	return User{Username: s.DisplayName, Online: s.Online, ConnectionID: s.ConnectionID}
}
