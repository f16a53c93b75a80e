package session

import "fmt"

// ValidateAccount checks that an account looks like an E.164 phone number:
// a leading '+' followed by 7 to 15 digits. signal-cli addresses accounts
// this way, and the account doubles as a directory name, so nothing else
// is accepted.
func ValidateAccount(account string) error {
	if account == "" {
		return fmt.Errorf("account is required (set it in config.toml or pass -account)")
	}
	if account[0] != '+' {
		return fmt.Errorf("account %q must start with '+'", account)
	}
	digits := account[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return fmt.Errorf("account %q must have 7-15 digits", account)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return fmt.Errorf("account %q contains non-digit character %q", account, c)
		}
	}
	return nil
}
