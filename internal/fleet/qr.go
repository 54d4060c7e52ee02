package fleet

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize is the rendered QR edge length in pixels.
const qrImageSize = 300

// renderQR turns a pairing challenge string into a PNG data URL.
func renderQR(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
