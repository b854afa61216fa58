package core

// ArtifactStore persists conversation attachments. Artifacts are scoped by
// conversation ID; implementations must be safe for concurrent use.
type ArtifactStore interface {
	Save(conversationID, artifactID string, data []byte) error
	Get(conversationID, artifactID string) ([]byte, error)
	List(conversationID string) ([]string, error)
	Delete(conversationID, artifactID string) error
}
