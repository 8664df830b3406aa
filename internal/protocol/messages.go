package protocol

import "time"

// Classifies a failed request so clients can react without parsing messages.
type ErrorKind string

const (
	KindBadRequest    ErrorKind = "bad_request"    // Malformed or incomplete request.
	KindInvalidRecipe ErrorKind = "invalid_recipe" // The recipe failed validation.
	KindResolve       ErrorKind = "resolve"        // Base image or package resolution failed.
	KindFileSystem    ErrorKind = "filesystem"     // Working directory, copy, or manifest failure.
	KindStageFailed   ErrorKind = "stage_failed"   // A stage command exited non-zero.
	KindBuild         ErrorKind = "build"          // Any other build failure.
	KindCanceled      ErrorKind = "canceled"       // The request was canceled.
	KindInternal      ErrorKind = "internal"       // A daemon-side failure.
)

// Payload of a [CmdError] response.
type ErrorResult struct {
	Kind    ErrorKind `json:"kind,omitempty"`
	Message string    `json:"message"`
}

// Payload of a [CmdBuild] request. Paths are absolute and resolved on the
// daemon's host, which is the same host as the client.
type BuildRequest struct {
	Recipe   string `json:"recipe"`             // Recipe file.
	Output   string `json:"output"`             // Directory receiving image.tar.
	Tag      string `json:"tag,omitempty"`      // Image reference. Derived from the context directory when empty.
	Platform string `json:"platform,omitempty"` // Overrides the recipe platform.
	NoCache  bool   `json:"no_cache,omitempty"` // Skip layer cache lookups.
}

// Outcome of one build stage.
type StageResult struct {
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"`
	Key      string        `json:"key,omitempty"`
	Layer    string        `json:"layer,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Payload of a successful [CmdBuild] response.
type BuildResult struct {
	ID           string        `json:"id"`
	Image        string        `json:"image"`
	Tag          string        `json:"tag"`
	Manifest     string        `json:"manifest"`
	Config       string        `json:"config"`
	Base         string        `json:"base"`
	Platform     string        `json:"platform"`
	Entrypoint   []string      `json:"entrypoint"`
	Workdir      string        `json:"workdir"`
	Stages       []StageResult `json:"stages"`
	Requirements []string      `json:"requirements,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Summarizes the layer cache.
type CacheStats struct {
	Path    string `json:"path"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

// Payload of a successful [CmdStatus] response.
type StatusResult struct {
	Running     bool        `json:"running"`
	Version     string      `json:"version"`
	Pid         int         `json:"pid"`
	Uptime      string      `json:"uptime"`
	Builds      int         `json:"builds"`            // Successful builds since start.
	Failed      int         `json:"failed"`            // Failed builds since start.
	Active      int         `json:"active"`            // Builds currently running.
	Containerd  string      `json:"containerd"`        // Containerd server version, empty when unreachable.
	Namespace   string      `json:"namespace"`         // Containerd namespace.
	Snapshotter string      `json:"snapshotter"`       // Snapshotter used for stages.
	Cache       *CacheStats `json:"cache,omitempty"`   // Nil when the cache is disabled.
	Metrics     string      `json:"metrics,omitempty"` // Metrics listener address, if any.
}

// One cached layer.
type CacheEntry struct {
	Key       string    `json:"key"`
	Stage     string    `json:"stage"`
	Digest    string    `json:"digest"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	UsedAt    time.Time `json:"used_at"`
}

// Payload of a successful [CmdCacheList] response.
type CacheListResult struct {
	Entries []CacheEntry `json:"entries"`
}

// Payload of a [CmdCachePrune] request.
type CachePruneRequest struct {
	OlderThan time.Duration `json:"older_than"` // Zero prunes every entry.
}

// Payload of a successful [CmdCachePrune] response.
type CachePruneResult struct {
	Removed []CacheEntry `json:"removed"`
	Bytes   int64        `json:"bytes"` // Total blob size released.
}
