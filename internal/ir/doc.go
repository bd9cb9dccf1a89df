// Package ir provides the value and entry representation shared by every
// other package of the space server.
//
// This package contains data types and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float field values - equality and hashing must be exact
//   - a nil field in a Template is a wildcard, in an Entry it is IRNull
//   - matching is positional: supertype fields come first
//   - structural template identity and the durable log both use RFC 8785
//     canonical JSON (MarshalCanonical)
package ir
