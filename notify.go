package authcore

import (
	"context"
	"fmt"

	"github.com/MrEthical07/authcore/internal/flows"
	"github.com/MrEthical07/authcore/internal/stores"
)

// sendCode hands code to the EmailSender on a background goroutine bounded
// by TwoFactor.SendTimeout. Delivery failures are logged and counted only.
func (e *Engine) sendCode(ctx context.Context, account flows.AccountRecord, code string, purpose stores.Purpose) {
	if account.Email == "" {
		e.metricInc(MetricEmailSendFailure)
		e.warn("authcore: no email address for code delivery", "user_id", account.ID)
		return
	}

	ttl := e.config.TwoFactor.CodeTTL
	msg := EmailMessage{
		To:        account.Email,
		Code:      code,
		Purpose:   purposeName(purpose),
		ExpiresAt: e.clock.Now().Add(ttl),
	}
	if purpose == stores.PurposeTest {
		msg.Subject = "Your test verification code"
	} else {
		msg.Subject = "Your sign-in verification code"
	}
	msg.Text = fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, int(ttl.Minutes()))

	e.sendMu.RLock()
	if e.closed {
		e.sendMu.RUnlock()
		e.metricInc(MetricEmailSendFailure)
		e.warn("authcore: engine closed, code not sent", "user_id", account.ID)
		return
	}
	e.sends.Add(1)
	e.sendMu.RUnlock()

	e.metricInc(MetricTwoFactorCodeSent)
	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer e.sends.Done()
		cctx, cancel := context.WithTimeout(sendCtx, e.config.TwoFactor.SendTimeout)
		defer cancel()
		if err := e.sender.Send(cctx, msg); err != nil {
			e.metricInc(MetricEmailSendFailure)
			e.warn("authcore: email code delivery failed", "user_id", account.ID, "purpose", msg.Purpose, "error", err)
		}
	}()
}

func purposeName(p stores.Purpose) string {
	if p == stores.PurposeTest {
		return "test"
	}
	return "login"
}
