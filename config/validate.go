package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cosmos/go-bip39"
	"github.com/go-playground/validator/v10"
	"github.com/scalarorg/settlement-relayer/pkg/types"
)

var ErrMissingCredential = errors.New("one of destination.private_key, destination.mnemonic or destination.encrypted_key is required")

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("hexprefix", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return strings.HasPrefix(value, "0x") && len(value) > 2
	})
	return validate
}

// Validate checks the whole configuration and returns a ConfigError describing every violation.
func (c *Config) Validate() error {
	var problems []string
	if err := newValidator().Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return types.ConfigError("invalid configuration", err)
		}
		for _, fieldErr := range validationErrs {
			problems = append(problems, describe(fieldErr))
		}
	}
	if err := c.Destination.validateCredential(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return types.ConfigError(strings.Join(problems, "; "), nil)
	}
	return nil
}

func (c *DestinationConfig) validateCredential() error {
	switch {
	case c.PrivateKey != "":
		return nil
	case c.Mnemonic != "":
		if !bip39.IsMnemonicValid(c.Mnemonic) {
			return errors.New("destination.mnemonic is not a valid BIP-39 mnemonic")
		}
		return nil
	case c.EncryptedKey != "":
		if c.KeyNonce == "" {
			return errors.New("destination.key_nonce is required with destination.encrypted_key")
		}
		return nil
	}
	return ErrMissingCredential
}

func describe(fieldErr validator.FieldError) string {
	field := fieldErr.Namespace()
	switch fieldErr.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "hexprefix":
		return fmt.Sprintf("%s must start with 0x", field)
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fieldErr.Tag(), fieldErr.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fieldErr.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid url", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fieldErr.Tag())
	}
}
