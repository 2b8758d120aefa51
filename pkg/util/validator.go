package util

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/Harshitk-cp/camrelay/internal/model"
)

var (
	validate *validator.Validate

	// Regular expression for peer IDs
	peerIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)
)

func init() {
	validate = validator.New()

	// Register custom validation tags
	validate.RegisterValidation("peerid", validatePeerID)
	validate.RegisterValidation("substream", validateSubstream)
}

// Validate validates a struct using the validator
func Validate(s interface{}) error {
	return validate.Struct(s)
}

// ValidateVar validates a variable using the validator
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}

// ValidatePeerID validates a viewer peer ID
func ValidatePeerID(peerID string) error {
	if err := ValidateVar(peerID, "required,peerid"); err != nil {
		return fmt.Errorf("invalid peer id %q", peerID)
	}
	return nil
}

// validatePeerID validates a peer ID
func validatePeerID(fl validator.FieldLevel) bool {
	return peerIDRegex.MatchString(fl.Field().String())
}

// validateSubstream validates a substream name
func validateSubstream(fl validator.FieldLevel) bool {
	_, err := model.ParseSubstream(fl.Field().String())
	return err == nil
}
