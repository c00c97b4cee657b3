// Package domain models the per-region weather updates streamed by the storm
// service and the error taxonomy shared by the session layer.
//
// # Wire Shapes
//
// Updates arrive as loosely typed JSON objects. Two server generations are in
// the wild and their field names disagree:
//
//	{"region":"Atlantic","lat":25.3,"lon":-75.2,"temp":27.1,"humidity":80,"wind_kmh":140,"timestamp":"2025-09-14T10:00:00Z"}
//	{"region":"Atlantic","lat":25.3,"lon":-75.2,"windKmh":140}
//
// Wind speed is sent as wind_kmh (snake case, protobuf field name) or windKmh
// (camel case, protobuf JSON name). When both are present wind_kmh wins.
// Numbers may be encoded as JSON numbers or as numeric strings; the gateway
// renders 64-bit values as strings.
//
// # Normalization
//
// [Normalize] is the single point where schema drift is absorbed. It never
// fails: missing or unparsable numbers become 0, missing strings become "",
// and an absent region falls back to the region the stream was opened for.
// Consumers of [NormalizedUpdate] never branch on "maybe missing".
//
// # Termination Taxonomy
//
// A region stream ends for one of three reasons, see [Classify]:
//
//	nil                    server closed the stream cleanly
//	ErrCancellationStop    the owner asked for the stop; never user visible
//	*TransportError        anything else, isolated to that region
//
// [ErrAuthenticationMissing] is returned before a stream is opened when no
// usable credential could be obtained.
package domain
