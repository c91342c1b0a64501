// Package ident generates and validates the checksummed identifiers used
// as correlation keys throughout the pipeline: 44-digit document access
// keys and 11/14-digit taxpayer IDs.
//
// Validation is a predicate. Malformed input yields false, never a panic,
// so callers can reject bad identifiers before anything is published.
//
// # Access key layout
//
//	authority(2) yymm(4) taxpayer(14) model(2) series(3) number(9) nonce(8) env(1) check(1)
//
// The check digit is a modulus-11 sum over the first 43 digits, weighted
// right to left with 2..9 repeating.
package ident
