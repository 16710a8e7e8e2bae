package api

import (
	"encoding/json"
	"net/http"

	"github.com/restic123gw/gateway/internal/cache"
	"github.com/restic123gw/gateway/internal/gwerr"
)

// writeError translates err into the HTTP status its gwerr.Kind maps to
// and a short plain-text body. Restic expects a plain body here, not a
// JSON error envelope — there is no JSON-speaking client on this side of
// the wire.
func writeError(w http.ResponseWriter, err error) {
	kind := gwerr.KindOf(err)
	http.Error(w, http.StatusText(kind.HTTPStatus()), kind.HTTPStatus())
}

// isNotFound reports whether err represents an absent cache entry, either
// as the cache package's own sentinel or a gwerr.NotFound wrapping it.
func isNotFound(err error) bool {
	return err == cache.ErrNotFound || gwerr.Is(err, gwerr.NotFound)
}

// writeListing encodes items as a Restic v2 type listing. A nil items slice
// still encodes as "[]", matching an empty (rather than missing) type dir.
func writeListing(w http.ResponseWriter, items []listItem) {
	if items == nil {
		items = []listItem{}
	}
	w.Header().Set("Content-Type", resticAPIV2+"+json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(items)
}
