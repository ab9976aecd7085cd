package completion

import "imagestudio/internal/models"

// Session is the conversation continuation state returned by the remote service. Callers
// own it and thread it through successive requests.
type Session struct {
	ConversationID string `json:"conversation_id"`
	SectionID      string `json:"section_id"`
	ReplyID        string `json:"reply_id,omitempty"`
}

func (s Session) Active() bool {
	return s.ConversationID != "" && s.ConversationID != "0"
}

// SessionFromParams recovers the continuation state stored with a lineage record.
func SessionFromParams(p models.OperationParams) Session {
	return Session{
		ConversationID: p.ConversationID,
		SectionID:      p.SectionID,
		ReplyID:        p.ReplyID,
	}
}
