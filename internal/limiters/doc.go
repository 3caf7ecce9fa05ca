// Package limiters holds per-account attempt limiters that sit outside the
// login path. Login failures are counted by internal/rate.
//
// [CodeLimiter] caps wrong authenticator codes during TOTP confirmation and
// removal, where no challenge record carries an attempt budget.
package limiters
