// Package auth provides local identity for localbase.
//
// # Tokens
//
// Two kinds of bearer value are understood:
//
//   - Opaque session tokens: "local_token_<uuid>" access and "local_refresh_<uuid>"
//     refresh tokens minted by CreateLocalSession and stored in the sessions table.
//
//   - Signed tokens: HS256 JWTs issued by TokenIssuer with claims user_id, email,
//     sub, iat, exp and iss. The expiry is enforced on verification.
//
// The literal "mock-token" resolves to the default user.
//
// # Fallback
//
// Authentication is advisory. VerifyUserToken and AuthenticateRequest never
// reject: a missing, malformed, expired or unknown credential resolves to the
// configured default user. This matches a single-operator local install and
// must not be exposed to untrusted networks.
//
// Session expires_at is recorded but not checked, and sessions cannot be revoked.
//
// # HTTP
//
// HTTPMiddleware resolves the user for every request and stores it with
// WithUser; handlers read it with UserFromContext.
package auth
