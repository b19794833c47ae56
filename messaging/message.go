package messaging

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glimte/mmate-relay/internal/jsoncodec"
)

// InputMessage is the payload read from the input queue
type InputMessage struct {
	UserID      string  `json:"user_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

// OutputMessage is the payload published to the output queue
type OutputMessage struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	ProductName string  `json:"product_name"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
}

// NewOutputMessage copies in and stamps it with id
func NewOutputMessage(id string, in InputMessage) OutputMessage {
	return OutputMessage{
		ID:          id,
		UserID:      in.UserID,
		ProductName: in.ProductName,
		Quantity:    in.Quantity,
		Price:       in.Price,
	}
}

// ErrMalformedJSON is wrapped by InvalidMessageError when the payload is not JSON
var ErrMalformedJSON = errors.New("payload is not valid JSON")

// InvalidMessageError is returned for payloads that are not a valid InputMessage
type InvalidMessageError struct {
	Missing []string
	Err     error
}

func (e *InvalidMessageError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("invalid input message: missing required fields: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("invalid input message: %v", e.Err)
}

func (e *InvalidMessageError) Unwrap() error {
	return e.Err
}

// inputWire distinguishes absent fields from zero values
type inputWire struct {
	UserID      *string  `json:"user_id"`
	ProductName *string  `json:"product_name"`
	Quantity    *int     `json:"quantity"`
	Price       *float64 `json:"price"`
}

// DecodeInputMessage parses body as an InputMessage. All four fields are
// required; explicit zero values are accepted.
func DecodeInputMessage(body []byte) (InputMessage, error) {
	if !jsoncodec.Valid(body) {
		return InputMessage{}, &InvalidMessageError{Err: ErrMalformedJSON}
	}

	var wire inputWire
	if err := jsoncodec.Unmarshal(body, &wire); err != nil {
		return InputMessage{}, &InvalidMessageError{Err: err}
	}

	var missing []string
	if wire.UserID == nil {
		missing = append(missing, "user_id")
	}
	if wire.ProductName == nil {
		missing = append(missing, "product_name")
	}
	if wire.Quantity == nil {
		missing = append(missing, "quantity")
	}
	if wire.Price == nil {
		missing = append(missing, "price")
	}
	if len(missing) > 0 {
		return InputMessage{}, &InvalidMessageError{Missing: missing}
	}

	return InputMessage{
		UserID:      *wire.UserID,
		ProductName: *wire.ProductName,
		Quantity:    *wire.Quantity,
		Price:       *wire.Price,
	}, nil
}
