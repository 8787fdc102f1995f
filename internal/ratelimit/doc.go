// Package ratelimit paces outbound API calls with a token bucket.
//
// The content synchronizer shares one Pacer across its upload workers so a
// large first deployment stays under the storage service's request rate
// instead of tripping SlowDown throttling and leaning on SDK retries.
package ratelimit
