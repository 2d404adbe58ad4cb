package settlement

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultMinFiatAmount is the smallest purchase accepted
var DefaultMinFiatAmount = decimal.NewFromInt(100)

// Recipient field schemas per good type. Phone numbers carry at least
// 11 digits; cable needs a smartcard number and a known provider.
var recipientSchemas = map[GoodType]string{
	GoodAirtime: `{
		"type": "object",
		"properties": {
			"phoneNumber": {"type": "string", "pattern": "^\\+?[0-9]{11,}$"},
			"mobileNetwork": {"type": "string"}
		},
		"required": ["phoneNumber"]
	}`,
	GoodData: `{
		"type": "object",
		"properties": {
			"phoneNumber": {"type": "string", "pattern": "^\\+?[0-9]{11,}$"},
			"mobileNetwork": {"type": "string"},
			"planId": {"type": "string", "minLength": 1}
		},
		"required": ["phoneNumber", "planId"]
	}`,
	GoodCable: `{
		"type": "object",
		"properties": {
			"phoneNumber": {"type": "string", "pattern": "^\\+?[0-9]{11,}$"},
			"smartcardNumber": {"type": "string", "minLength": 1},
			"provider": {"type": "string", "enum": ["DSTV", "GOTV", "STARTIMES", "SHOWMAX"]},
			"planId": {"type": "string", "minLength": 1}
		},
		"required": ["phoneNumber", "smartcardNumber", "provider", "planId"]
	}`,
	GoodUtility: `{
		"type": "object",
		"properties": {
			"meterNumber": {"type": "string", "minLength": 1},
			"provider": {"type": "string"},
			"planId": {"type": "string", "minLength": 1}
		},
		"required": ["meterNumber", "planId"]
	}`,
}

var (
	compiledOnce    sync.Once
	compiledSchemas map[GoodType]*gojsonschema.Schema
	compileErr      error
)

func schemaFor(goodType GoodType) (*gojsonschema.Schema, error) {
	compiledOnce.Do(func() {
		compiledSchemas = make(map[GoodType]*gojsonschema.Schema, len(recipientSchemas))
		for gt, raw := range recipientSchemas {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", gt, err)
				return
			}
			compiledSchemas[gt] = schema
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiledSchemas[goodType]
	if !ok {
		return nil, ErrUnsupportedGoodType
	}
	return schema, nil
}

// ValidationRules configures request validation
type ValidationRules struct {
	ProductionNetwork Network
	MinFiatAmount     decimal.Decimal
}

// ValidatePurchase checks every precondition that can be checked without
// side effects. Quote availability is checked by the orchestrator.
func ValidatePurchase(req PurchaseRequest, rules ValidationRules) error {
	if req.Network != rules.ProductionNetwork {
		return NewSettlementError(ErrCodeWrongNetwork,
			"Please switch to the production network", ErrWrongNetwork,
			map[string]interface{}{"network": string(req.Network)})
	}

	if !req.GoodType.Valid() {
		return NewSettlementError(ErrCodeUnsupportedGoodType,
			fmt.Sprintf("Unsupported good type %q", req.GoodType), ErrUnsupportedGoodType, nil)
	}

	if req.WalletAddress == "" {
		return NewSettlementError(ErrCodeValidationFailed, "Wallet address is required", nil, nil)
	}

	min := rules.MinFiatAmount
	if min.IsZero() {
		min = DefaultMinFiatAmount
	}
	if req.FiatAmount.LessThan(min) {
		return NewSettlementError(ErrCodeAmountTooLow,
			fmt.Sprintf("Minimum amount is %s", min.String()), ErrAmountTooLow,
			map[string]interface{}{"minimum": min.String()})
	}

	violations, err := ValidateRecipient(req.GoodType, req.FulfillmentMetadata)
	if err != nil {
		return NewSettlementError(ErrCodeValidationFailed, "Could not validate recipient", err, nil)
	}
	if len(violations) > 0 {
		return NewSettlementError(ErrCodeInvalidRecipientFields,
			"Please check the recipient details", ErrInvalidRecipientFields,
			map[string]interface{}{"violations": violations})
	}
	return nil
}

// ValidateRecipient validates metadata against the good type's schema and
// returns the list of violations
func ValidateRecipient(goodType GoodType, metadata FulfillmentMetadata) ([]string, error) {
	schema, err := schemaFor(goodType)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return violations, nil
}
