package presence

// Entry is the per-(context, user) presence record. The (contextID, userID)
// pair is the primary key; there is at most one entry per pair.
type Entry struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"` // unix millis of the last write
}

// blank reports whether an identifier is unusable. Blank ids are treated as
// no-ops everywhere: callers in UI code may not have resolved them yet.
func blank(id string) bool {
	return id == ""
}
