// Package mailer provides [authcore.EmailSender] implementations: an SMTP
// sender for production and a logging sender for development.
package mailer
