package bencode

import "errors"

// ErrMalformedInput is returned whenever a decode fails because the input
// does not conform to the bencode grammar: an unexpected tag, a non-numeric
// length, truncated input, or a dictionary whose keys are not strictly
// byte-lex-ordered and unique.
var ErrMalformedInput = errors.New("bencode: malformed input")
