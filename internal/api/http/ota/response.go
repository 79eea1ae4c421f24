package ota

import (
	"encoding/json"
	"net/http"

	domain "github.com/BeechatNetworkSystemsLtd/kaonic-ota/internal/domain/update"
)

// detailResponse is the envelope for human-readable outcomes.
type detailResponse struct {
	Detail string `json:"detail"`
}

// versionResponse reports the committed release. Both fields are null
// when nothing has ever been installed.
type versionResponse struct {
	Version *string `json:"version"`
	Hash    *string `json:"hash"`
}

// statusResponse extends the version report with agent diagnostics.
type statusResponse struct {
	AgentVersion  string `json:"agent_version"`
	Hostname      string `json:"hostname"`
	ServiceActive bool   `json:"service_active"`
	versionResponse
	DiskFreeBytes uint64 `json:"disk_free_bytes"`
}

// newVersionResponse converts a release, which may be nil, to its wire shape.
func newVersionResponse(rel *domain.Release) versionResponse {
	if rel == nil {
		return versionResponse{}
	}

	hash := rel.Digest.String()

	return versionResponse{
		Version: &rel.Version,
		Hash:    &hash,
	}
}

// writeJSON renders a payload with the proper content type.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(payload)
}

// writeDetail renders a detail envelope with the given status code.
func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, detailResponse{Detail: detail})
}
