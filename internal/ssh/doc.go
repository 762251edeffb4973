// ssh implements a facade over the 'x/crypto/ssh' package, simplifying the
// following workflows:
//   - ED25519 key generation, conversion and marshaling
//   - private key loading from '.pem' files
//   - host key verification policy selection
//   - SSH client construction
//   - single command execution with separated standard streams
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
