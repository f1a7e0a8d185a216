package config

import "fmt"

// ValidateConfig checks the negotiator and driver sections for the kind of
// structural mistakes that would otherwise surface much later as a rejected
// negotiation or a driver that can never settle.
func ValidateConfig(c *Config) error {
	n := c.Negotiator
	if n.ExpirationMin > 0 && n.ExpirationMax > 0 && n.ExpirationMin > n.ExpirationMax {
		return fmt.Errorf("negotiator: expiration_min > expiration_max")
	}
	if n.DebitNoteIntervalMin > 0 && n.DebitNoteIntervalMax > 0 && n.DebitNoteIntervalMin > n.DebitNoteIntervalMax {
		return fmt.Errorf("negotiator: debit_note_interval_min > debit_note_interval_max")
	}
	if n.PaymentTimeoutMin > 0 && n.PaymentTimeoutMax > 0 && n.PaymentTimeoutMin > n.PaymentTimeoutMax {
		return fmt.Errorf("negotiator: payment_timeout_min > payment_timeout_max")
	}
	if n.ConcurrentAgreementLimit < 0 {
		return fmt.Errorf("negotiator: concurrent_agreement_limit < 0")
	}

	seen := make(map[string]struct{}, len(c.Drivers))
	for _, d := range c.Drivers {
		if d.Platform == "" {
			return fmt.Errorf("drivers: platform name required")
		}
		if _, dup := seen[d.Platform]; dup {
			return fmt.Errorf("drivers: duplicate platform %q", d.Platform)
		}
		seen[d.Platform] = struct{}{}
		if d.RequiredConfirmations == 0 {
			return fmt.Errorf("drivers[%s]: required_confirmations must be > 0", d.Platform)
		}
	}
	return nil
}
