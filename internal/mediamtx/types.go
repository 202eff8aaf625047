package mediamtx

// Wire shapes for the MediaMTX v3 control API. Only the fields this service
// depends on are mapped; everything else in the vendor responses is ignored.

// PathInfo is the runtime state of a configured path.
type PathInfo struct {
	Name          string       `json:"name"`
	Source        *PathSource  `json:"source"`
	Ready         bool         `json:"ready"`
	Readers       []PathReader `json:"readers"`
	BytesReceived int64        `json:"bytesReceived"`
}

type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type PathReader struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ReaderCount is a convenience for the registry's merged camera view.
func (p *PathInfo) ReaderCount() int { return len(p.Readers) }

type pathList struct {
	ItemCount int        `json:"itemCount"`
	PageCount int        `json:"pageCount"`
	Items     []PathInfo `json:"items"`
}

// PathConf is the configuration document for path add/patch calls.
type PathConf struct {
	Source       string `json:"source,omitempty"`
	Record       bool   `json:"record"`
	RecordPath   string `json:"recordPath,omitempty"`
	RecordFormat string `json:"recordFormat,omitempty"`
}

// Health is the classified downstream health fed to readiness and metrics.
type Health struct {
	Healthy             bool         `json:"healthy"`
	CircuitState        BreakerState `json:"circuit_state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}
