// ssh implements a facade over the 'x/crypto/ssh' package for probing a
// booted target:
//   - SSH client construction, with public key or empty-password auth
//   - waiting for sshd on a freshly booted target to accept connections
//   - command execution with exit status reporting
//
// NOTE: ALL errors returned by this package will be wrapped with well-known (
// 'errors.Is(...') errors.
package ssh
