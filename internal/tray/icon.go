//go:build !linux

package tray

// iconData is a 16x16 smart card icon: a PNG in an ICO container, which
// both Windows and macOS load.
var iconData = []byte{
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x10, 0x10, 0x00, 0x00, 0x01, 0x00,
	0x20, 0x00, 0x5b, 0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x89, 0x50,
	0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48,
	0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10, 0x08, 0x06,
	0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00, 0x22, 0x49,
	0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0x18, 0x1e, 0x40, 0x23, 0xef,
	0xc4, 0x7f, 0x72, 0xf0, 0x20, 0x34, 0xe0, 0xd9, 0x16, 0x0d, 0x14, 0x3c,
	0x12, 0x0d, 0x18, 0xc2, 0xd1, 0x38, 0xb4, 0x01, 0x00, 0x88, 0x0a, 0x51,
	0x2c, 0x82, 0x4f, 0x16, 0xdc, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e,
	0x44, 0xae, 0x42, 0x60, 0x82,
}
