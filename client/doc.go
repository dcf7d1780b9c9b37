// Package client coordinates access-token refresh for HTTP clients of the
// authcore API.
//
// A [Coordinator] guarantees that a burst of requests which all observe an
// expired access token triggers exactly one refresh call; every waiter
// shares its outcome. Construct one per signed-in client session; it holds
// no package-level state.
//
// [Transport] applies the coordinator to an http.Client: a request that comes
// back 401 token_expired waits for the shared refresh and is replayed once
// with the new cookies. The login and refresh endpoints themselves are never
// retried.
package client
