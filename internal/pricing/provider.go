package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awspricing "github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"

	"github.com/wisbric/fleetswitch/internal/model"
)

const (
	providerAPISource  = model.SourceProviderAPI
	providerConfidence = 0.90
)

// ProviderPriceHistory backfills on-demand/spot reference prices from a cloud
// provider's pricing API. Backfilled samples only fill bucket positions where
// no agent data exists (spec.md §4.3 "Backfill").
type ProviderPriceHistory interface {
	// OnDemandPrice returns the current reference price for instanceType in
	// region, used to fill gaps with source=provider_api, confidence=0.90.
	OnDemandPrice(ctx context.Context, region, instanceType string) (float64, error)
}

// NullProviderPriceHistory is the default collaborator when no provider
// credentials are configured: the pipeline runs on agent-reported prices
// alone and every gap is filled by interpolation instead of backfill.
type NullProviderPriceHistory struct{}

func (NullProviderPriceHistory) OnDemandPrice(ctx context.Context, region, instanceType string) (float64, error) {
	return 0, fmt.Errorf("no provider price history configured")
}

// AWSPricingProvider backs ProviderPriceHistory with the AWS Pricing API,
// modeled on the pack's RealPricingClient (GetProducts + OnDemand term
// parsing), narrowed to the single on-demand lookup the pipeline needs.
type AWSPricingProvider struct {
	client       *awspricing.Client
	locationByRegion map[string]string
}

func NewAWSPricingProvider(client *awspricing.Client) *AWSPricingProvider {
	return &AWSPricingProvider{client: client, locationByRegion: awsRegionLocations}
}

func (p *AWSPricingProvider) OnDemandPrice(ctx context.Context, region, instanceType string) (float64, error) {
	location, ok := p.locationByRegion[region]
	if !ok {
		return 0, fmt.Errorf("unsupported pricing region %q", region)
	}

	out, err := p.client.GetProducts(ctx, &awspricing.GetProductsInput{
		ServiceCode: strPtr("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("location"), Value: strPtr(location)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("instanceType"), Value: strPtr(instanceType)},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("operatingSystem"), Value: strPtr("Linux")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("tenancy"), Value: strPtr("Shared")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("capacitystatus"), Value: strPtr("Used")},
			{Type: pricingtypes.FilterTypeTermMatch, Field: strPtr("preInstalledSw"), Value: strPtr("NA")},
		},
		MaxResults: int32Ptr(1),
	})
	if err != nil {
		return 0, fmt.Errorf("querying AWS pricing API: %w", err)
	}
	if len(out.PriceList) == 0 {
		return 0, fmt.Errorf("no pricing data for %s in %s", instanceType, region)
	}
	return parseOnDemandPriceDocument(out.PriceList[0])
}

func strPtr(s string) *string { return &s }
func int32Ptr(i int32) *int32 { return &i }

// awsRegionLocations maps AWS region codes to the location names the Pricing
// API's GetProducts filter expects, following the pack's regionToLocation
// table, narrowed to the regions this system actually schedules into.
var awsRegionLocations = map[string]string{
	"us-east-1": "US East (N. Virginia)",
	"us-east-2": "US East (Ohio)",
	"us-west-1": "US West (N. California)",
	"us-west-2": "US West (Oregon)",
	"eu-west-1": "EU (Ireland)",
	"eu-central-1": "EU (Frankfurt)",
	"ap-southeast-1": "Asia Pacific (Singapore)",
	"ap-northeast-1": "Asia Pacific (Tokyo)",
}

// parseOnDemandPriceDocument extracts the hourly USD rate from an AWS
// Pricing API product document's single OnDemand term.
func parseOnDemandPriceDocument(doc string) (float64, error) {
	var parsed struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
					Unit string `json:"unit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return 0, fmt.Errorf("parsing pricing document: %w", err)
	}
	for _, term := range parsed.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			if dim.Unit != "Hrs" {
				continue
			}
			var price float64
			if _, err := fmt.Sscanf(dim.PricePerUnit.USD, "%f", &price); err != nil {
				return 0, fmt.Errorf("parsing price %q: %w", dim.PricePerUnit.USD, err)
			}
			return price, nil
		}
	}
	return 0, fmt.Errorf("no hourly on-demand price found in pricing document")
}

// backfillFromProvider fills bucket positions in [since, now] with no agent
// sample using the provider's current on-demand price, source=provider_api,
// confidence=0.90 (spec.md §4.3 "Backfill"), leaving any still-missing
// positions for interpolateGaps to fill.
func (p *Pipeline) backfillFromProvider(ctx context.Context, poolID string, buckets map[time.Time]*bucketSample, since, now time.Time) error {
	pool, err := p.store.GetPool(ctx, poolID)
	if err != nil {
		return fmt.Errorf("looking up pool for backfill: %w", err)
	}
	price, err := p.provider.OnDemandPrice(ctx, pool.Region, pool.InstanceType)
	if err != nil {
		return fmt.Errorf("fetching provider on-demand price: %w", err)
	}
	for ts := bucketFloor(since); !ts.After(now); ts = ts.Add(bucketInterval) {
		if _, exists := buckets[ts]; exists {
			continue
		}
		buckets[ts] = &bucketSample{
			price:      price,
			source:     providerAPISource,
			confidence: providerConfidence,
			capturedAt: ts,
		}
	}
	return nil
}
