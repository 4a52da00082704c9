package rbac

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// OrganisationIDField is the path variable and payload field carrying the tenant
const OrganisationIDField = "organisationId"

// maxPayloadPeek bounds how much of a request body is buffered for tenant resolution
const maxPayloadPeek = 1 << 20

// ResolveOrganisationID applies the resolution order: path value first, then the
// payload field of the same name. Only non-empty strings resolve.
func ResolveOrganisationID(pathValue string, payload map[string]interface{}) string {
	if pathValue != "" {
		return pathValue
	}
	if payload == nil {
		return ""
	}
	if id, ok := payload[OrganisationIDField].(string); ok {
		return id
	}
	return ""
}

// OrganisationIDFromRequest resolves the organisation from the mux route
// variables and, failing that, from a JSON request body. The body is restored so
// downstream handlers can decode it again.
func OrganisationIDFromRequest(r *http.Request) (string, error) {
	pathValue := mux.Vars(r)[OrganisationIDField]
	if pathValue != "" {
		return pathValue, nil
	}

	payload, err := peekJSONPayload(r)
	if err != nil {
		return "", err
	}
	return ResolveOrganisationID("", payload), nil
}

// peekJSONPayload decodes a JSON object body without consuming it
func peekJSONPayload(r *http.Request) (map[string]interface{}, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadPeek+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(data), r.Body), closer: r.Body}

	if len(data) > maxPayloadPeek {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxPayloadPeek)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		// Not an object; there is no payload field to resolve from.
		return nil, nil
	}
	return payload, nil
}

// replayBody serves the buffered prefix followed by the rest of the original body
type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error {
	return b.closer.Close()
}
