/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

// Package server exposes namespace provisioning over HTTP.
//
// Endpoints:
//   - POST /provision: provision the caller's namespace and return a kubeconfig
//   - POST /signin: alias of /provision
//   - GET /healthz: liveness
//
// Every provisioning request must carry an "Authorization: Bearer <token>"
// header. The token is resolved to an identity before anything else happens;
// requests that fail resolution get HTTP 401 and never reach the cluster.
//
// Responses:
//
//	200  kubeconfig (application/yaml), namespace in X-Namespace
//	400  identity does not map to a valid namespace name
//	401  identity could not be verified
//	409  namespace is owned by another user
//	429  rate limit exceeded
//	500  credentials could not be built
//	502  cluster provisioning failed
//
// Error bodies are fixed strings. Cluster errors and other users' identities
// never appear in a response.
//
// Rate Limiting:
//
// Requests are limited per identity with a fixed-window token bucket. The
// default allows 5 requests per identity per minute.
package server
