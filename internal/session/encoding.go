package session

import "golang.org/x/text/encoding/charmap"

// defaultEncoding is the fallback used when a Config doesn't set one.
var defaultEncoding = charmap.ISO8859_1
