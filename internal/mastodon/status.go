// Package mastodon reads just enough of the Mastodon Status JSON shape to
// support deduplication, without fully unmarshaling (and thus risking
// dropping) any field the filter doesn't understand.
package mastodon

import "github.com/tidwall/gjson"

// ContentURI computes the content URI of a Status JSON object, per the data
// model: reblog.uri when reblog is present and non-null, else uri. Returns
// ok=false when the element doesn't carry a usable URI (missing or
// non-string), in which case the caller must pass the element through
// untouched rather than drop it.
func ContentURI(statusJSON string) (uri string, ok bool) {
	reblog := gjson.Get(statusJSON, "reblog")
	if reblog.Exists() && reblog.Type != gjson.Null {
		if u := reblog.Get("uri"); u.Type == gjson.String {
			return u.String(), true
		}
		// reblog present but malformed: fall through to the top-level uri
		// rather than failing the whole element.
	}

	u := gjson.Get(statusJSON, "uri")
	if u.Type != gjson.String {
		return "", false
	}
	return u.String(), true
}
