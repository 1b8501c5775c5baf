package models

// rank orders the non-failed statuses. Merging never lowers the rank.
func (s MessageStatus) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s MessageStatus) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// Confirmed reports whether the backend has accepted the message.
func (s MessageStatus) Confirmed() bool {
	return s.rank() >= StatusSent.rank()
}

// MergeStatus combines the cached status with an incoming one.
//
// sending < sent < delivered < read, and the result is never lower than
// current. failed is entered only from sending; it is left only for sending
// (an explicit retry) or for a confirmed status (reconciliation with an
// authoritative result). An incoming failed never overrides a confirmed
// status.
func MergeStatus(current, incoming MessageStatus) MessageStatus {
	switch {
	case incoming == "" || !incoming.Valid():
		return current
	case current == "" || !current.Valid():
		return incoming
	case incoming == StatusFailed:
		if current == StatusSending || current == StatusFailed {
			return StatusFailed
		}
		return current
	case current == StatusFailed:
		return incoming
	case incoming.rank() > current.rank():
		return incoming
	default:
		return current
	}
}

// MergeMessage overlays the known fields of incoming onto existing. It is
// idempotent: MergeMessage(MergeMessage(a, b), b) == MergeMessage(a, b).
func MergeMessage(existing, incoming Message) Message {
	out := existing
	if !incoming.ID.IsZero() {
		out.ID = incoming.ID
	}
	if incoming.ConversationID != 0 {
		out.ConversationID = incoming.ConversationID
	}
	if incoming.ClientMessageID != "" {
		out.ClientMessageID = incoming.ClientMessageID
	}
	if incoming.Content != nil {
		out.Content = incoming.Content
	}
	if incoming.Attachments != nil {
		out.Attachments = incoming.Attachments
	}
	if incoming.SenderID != "" {
		out.SenderID = incoming.SenderID
	}
	out.FromCustomer = incoming.FromCustomer
	out.Status = MergeStatus(existing.Status, incoming.Status)
	if !incoming.CreatedAt.IsZero() {
		out.CreatedAt = incoming.CreatedAt
	}
	if incoming.UpdatedAt.After(existing.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}
