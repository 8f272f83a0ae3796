package shipping

import (
	"context"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const labelSize = 256

// Label renders a PNG QR code pointing at the public tracking page of the shipment.
func (s *Service) Label(ctx context.Context, shippingID, baseURL string) ([]byte, error) {
	sh, err := s.Get(ctx, shippingID)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(TrackingURL(baseURL, sh.TrackingNumber), qrcode.Medium, labelSize)
	if err != nil {
		return nil, fmt.Errorf("encode label for %s: %w", sh.TrackingNumber, err)
	}
	return png, nil
}

func TrackingURL(baseURL, trackingNumber string) string {
	return strings.TrimRight(baseURL, "/") + "/" + trackingNumber
}
