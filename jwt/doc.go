// Package jwt owns signing keys for the access and refresh token classes and the
// typed claim sets carried by each class.
//
// Keys are held by an explicitly constructed [Provider]; each class has its own
// current key, a bounded set of retired keys accepted for a grace window, and its
// own TTL. Decoded claims are validated per class so an access token is never
// accepted where a refresh token is expected, and vice versa.
package jwt
