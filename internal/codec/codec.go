// Package codec defines the error taxonomy format codecs report through,
// plus a JSON envelope codec used in embedded mode. Real document formats
// (UBL, Factur-X, EDIFACT) are external plugins registered as components;
// the engine only ever sees bytes and these error classes.
package codec

import "errors"

var (
	// ErrUnsupportedDocument means the codec cannot handle this document
	// kind at all. Fatal, never retried.
	ErrUnsupportedDocument = errors.New("unsupported document")

	// ErrMalformedDocument means the payload could not be parsed.
	// Recoverable: the file may be replaced and reprocessed.
	ErrMalformedDocument = errors.New("malformed document")

	// ErrPartnerNotFound means the document references a trading partner
	// the host does not know. Recoverable after master data is fixed.
	ErrPartnerNotFound = errors.New("partner not found")
)
