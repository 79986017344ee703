package models

// MergeConversation folds a remote conversation into the local row.
// Remote content wins unless it is older than the local row; deletedAt keeps
// the latest mark per user either way. The result never aliases its inputs.
func MergeConversation(local, remote *Conversation) *Conversation {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	var out *Conversation
	if remote.UpdatedAt >= local.UpdatedAt {
		out = remote.Clone()
	} else {
		out = local.Clone()
	}
	out.DeletedAt = mergeMax(local.DeletedAt, remote.DeletedAt)
	return out
}

// MergeMessage folds a remote message into the local row.
// Remote content wins, status keeps the furthest rank, readBy keeps the
// earliest read per user and reactions come from remote.
func MergeMessage(local, remote *Message) *Message {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}

	out := remote.Clone()
	out.Status = MergeStatus(local.Status, remote.Status)
	out.ReadBy = mergeMin(local.ReadBy, remote.ReadBy)
	if out.Transcription == nil && local.Transcription != nil {
		t := *local.Transcription
		out.Transcription = &t
	}
	if len(local.Translations) > 0 {
		merged := cloneStringMap(local.Translations)
		for lang, text := range remote.Translations {
			merged[lang] = text
		}
		out.Translations = merged
	}
	return out
}

// AdvanceStatus moves m to next when that keeps the status monotonic.
// It reports whether the status changed.
func AdvanceStatus(m *Message, next MessageStatus) bool {
	if m.Status == next || !m.Status.CanAdvanceTo(next) {
		return false
	}
	m.Status = next
	return true
}

func mergeMax(a, b map[string]int64) map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := cloneInt64Map(a)
	if out == nil {
		out = make(map[string]int64, len(b))
	}
	for k, v := range b {
		if cur, ok := out[k]; !ok || v > cur {
			out[k] = v
		}
	}
	return out
}

func mergeMin(a, b map[string]int64) map[string]int64 {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := cloneInt64Map(a)
	if out == nil {
		out = make(map[string]int64, len(b))
	}
	for k, v := range b {
		if cur, ok := out[k]; !ok || v < cur {
			out[k] = v
		}
	}
	return out
}
