package fulfillment

import (
	"context"
	"net/url"
	"strings"

	settlement "github.com/utilpay/settlement"
)

// DefaultUtilityPhone is sent when an electricity purchase has no phone
// number; the vendor requires the field.
const DefaultUtilityPhone = "08012345678"

// NetworkCode maps a mobile network name to the vendor code. Unknown
// networks map to MTN.
func NetworkCode(network string) string {
	switch strings.ToUpper(strings.TrimSpace(network)) {
	case "GLO":
		return "02"
	case "9MOBILE", "M_9MOBILE", "ETISALAT":
		return "03"
	case "AIRTEL":
		return "04"
	default:
		return "01"
	}
}

// ProviderCode normalizes a cable provider name
func ProviderCode(provider string) string {
	return strings.ToUpper(strings.TrimSpace(provider))
}

// Adapters returns one adapter per supported good type
func Adapters(client *Client) []settlement.FulfillmentAdapter {
	return []settlement.FulfillmentAdapter{
		NewAirtimeAdapter(client),
		NewDataAdapter(client),
		NewCableAdapter(client),
		NewUtilityAdapter(client),
	}
}

// ============================================================================
// Airtime
// ============================================================================

type AirtimeAdapter struct {
	client *Client
}

func NewAirtimeAdapter(client *Client) *AirtimeAdapter {
	return &AirtimeAdapter{client: client}
}

func (a *AirtimeAdapter) GoodType() settlement.GoodType { return settlement.GoodAirtime }

func (a *AirtimeAdapter) Buy(ctx context.Context, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	params := url.Values{}
	params.Set("MobileNetwork", NetworkCode(req.Metadata.MobileNetwork))
	params.Set("MobileNumber", req.Metadata.PhoneNumber)
	params.Set("Amount", req.FiatAmount.String())
	return a.client.Call(ctx, EndpointAirtime, params, req)
}

// ============================================================================
// Data
// ============================================================================

type DataAdapter struct {
	client *Client
}

func NewDataAdapter(client *Client) *DataAdapter {
	return &DataAdapter{client: client}
}

func (a *DataAdapter) GoodType() settlement.GoodType { return settlement.GoodData }

func (a *DataAdapter) Buy(ctx context.Context, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	params := url.Values{}
	params.Set("MobileNetwork", NetworkCode(req.Metadata.MobileNetwork))
	params.Set("MobileNumber", req.Metadata.PhoneNumber)
	params.Set("DataPlan", req.Metadata.PlanID)
	params.Set("Amount", req.FiatAmount.String())
	return a.client.Call(ctx, EndpointData, params, req)
}

// ============================================================================
// Cable
// ============================================================================

type CableAdapter struct {
	client *Client
}

func NewCableAdapter(client *Client) *CableAdapter {
	return &CableAdapter{client: client}
}

func (a *CableAdapter) GoodType() settlement.GoodType { return settlement.GoodCable }

func (a *CableAdapter) Buy(ctx context.Context, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	params := url.Values{}
	params.Set("CableTV", ProviderCode(req.Metadata.Provider))
	params.Set("Package", req.Metadata.PlanID)
	params.Set("SmartCardNo", req.Metadata.SmartcardNumber)
	params.Set("PhoneNo", req.Metadata.PhoneNumber)
	params.Set("Amount", req.FiatAmount.String())
	return a.client.Call(ctx, EndpointCable, params, req)
}

// ============================================================================
// Utility (electricity)
// ============================================================================

type UtilityAdapter struct {
	client *Client
}

func NewUtilityAdapter(client *Client) *UtilityAdapter {
	return &UtilityAdapter{client: client}
}

func (a *UtilityAdapter) GoodType() settlement.GoodType { return settlement.GoodUtility }

// Buy pays an electricity bill. PlanID carries the meter type and Provider
// the distribution company.
func (a *UtilityAdapter) Buy(ctx context.Context, req settlement.FulfillmentRequest) (settlement.FulfillmentResult, error) {
	phone := req.Metadata.PhoneNumber
	if phone == "" {
		phone = DefaultUtilityPhone
	}
	params := url.Values{}
	params.Set("ElectricCompany", req.Metadata.Provider)
	params.Set("MeterType", req.Metadata.PlanID)
	params.Set("MeterNo", req.Metadata.MeterNumber)
	params.Set("PhoneNo", phone)
	params.Set("Amount", req.FiatAmount.String())
	return a.client.Call(ctx, EndpointElectricity, params, req)
}
