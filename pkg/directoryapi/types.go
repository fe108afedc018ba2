package directoryapi

import (
	"encoding/json"
	"strings"
	"time"
)

// Notification is a single pending notification for one identifier.
type Notification struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImageURL  string    `json:"imageUrl"`
	ActionURL string    `json:"actionUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// UnmarshalJSON accepts "message" as an alias of "body".
func (n *Notification) UnmarshalJSON(data []byte) error {
	type plain Notification
	var raw struct {
		plain
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Notification(raw.plain)
	if n.Body == "" {
		n.Body = raw.Message
	}
	return nil
}

// Batch groups the notifications returned for one identifier.
type Batch struct {
	Identifier    string         `json:"identifier"`
	Notifications []Notification `json:"notifications"`
}

// UnmarshalJSON accepts the email/phoneNumber form used by older API versions.
func (b *Batch) UnmarshalJSON(data []byte) error {
	var raw struct {
		Identifier    string         `json:"identifier"`
		Email         string         `json:"email"`
		PhoneNumber   string         `json:"phoneNumber"`
		Notifications []Notification `json:"notifications"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	b.Identifier = firstNonEmpty(raw.Identifier, raw.Email, raw.PhoneNumber)
	b.Notifications = raw.Notifications
	return nil
}

type fetchRequest struct {
	Identifiers []string `json:"identifiers"`
}

type userEntry struct {
	Identifier  string `json:"identifier"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
}

func decodeUsers(data []byte) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var wrapped struct {
			Users []json.RawMessage `json:"users"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil {
			return nil, err
		}
		items = wrapped.Users
	}

	users := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				users = append(users, s)
			}
			continue
		}

		var entry userEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, err
		}
		// A user may be reachable by both email and phone.
		for _, id := range []string{entry.Identifier, entry.Email, entry.PhoneNumber} {
			if id = strings.TrimSpace(id); id != "" {
				users = append(users, id)
			}
		}
	}
	return users, nil
}

func decodeBatches(data []byte) ([]Batch, error) {
	var batches []Batch
	if err := json.Unmarshal(data, &batches); err == nil {
		return batches, nil
	} else {
		var wrapped struct {
			PhonesWithNotifications []Batch `json:"phonesWithNotifications"`
		}
		if werr := json.Unmarshal(data, &wrapped); werr != nil {
			return nil, err
		}
		return wrapped.PhonesWithNotifications, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
