package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"syscall"

	"github.com/LilliaElaine/camrelay/internal/logging"
	"github.com/google/gousb"
	"github.com/kevmo314/go-uvc"
	"github.com/kevmo314/go-uvc/pkg/descriptors"
)

// ErrNoMJPEG is returned when the device exposes no MJPEG frame format.
var ErrNoMJPEG = errors.New("capture: device has no MJPEG stream")

// UVC reads MJPEG frames from a USB video class camera and publishes each one
// that decodes as a still.
type UVC struct {
	vendor  gousb.ID
	product gousb.ID
	out     FramePublisher
	log     *slog.Logger
}

// NewUVC targets the first device matching vendor and product.
func NewUVC(vendor, product uint16, out FramePublisher, logger *slog.Logger) *UVC {
	return &UVC{
		vendor:  gousb.ID(vendor),
		product: gousb.ID(product),
		out:     out,
		log: logging.WithServer(logger, "capture").With(
			"source", "uvc",
			"vid", gousb.ID(vendor).String(),
			"pid", gousb.ID(product).String(),
		),
	}
}

// devicePath resolves the usbfs node of the camera.
func (u *UVC) devicePath() (string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	dev, err := ctx.OpenDeviceWithVIDPID(u.vendor, u.product)
	if err != nil {
		return "", fmt.Errorf("open usb device: %w", err)
	}
	if dev == nil {
		return "", fmt.Errorf("usb device %s:%s not found", u.vendor, u.product)
	}
	defer dev.Close()

	return fmt.Sprintf("/dev/bus/usb/%03v/%03v", dev.Desc.Bus, dev.Desc.Address), nil
}

// Run claims the first MJPEG format of the camera and publishes frames until
// ctx is cancelled. Cancellation is noticed between frames.
func (u *UVC) Run(ctx context.Context) error {
	path, err := u.devicePath()
	if err != nil {
		return err
	}

	fd, err := syscall.Open(path, syscall.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer syscall.Close(fd)

	dev, err := uvc.NewUVCDevice(uintptr(fd))
	if err != nil {
		return fmt.Errorf("init uvc device: %w", err)
	}

	info, err := dev.DeviceInfo()
	if err != nil {
		return fmt.Errorf("read uvc device info: %w", err)
	}

	for _, iface := range info.StreamingInterfaces {
		for i, desc := range iface.Descriptors {
			format, ok := desc.(*descriptors.MJPEGFormatDescriptor)
			if !ok || i+1 >= len(iface.Descriptors) {
				continue
			}
			frame, ok := iface.Descriptors[i+1].(*descriptors.MJPEGFrameDescriptor)
			if !ok {
				continue
			}

			reader, err := iface.ClaimFrameReader(format.Index(), frame.Index())
			if err != nil {
				return fmt.Errorf("claim frame reader: %w", err)
			}
			u.log.Info("UVC capture started", "device", path)
			return u.stream(ctx, func() (io.Reader, error) { return reader.ReadFrame() })
		}
	}
	return ErrNoMJPEG
}

func (u *UVC) stream(ctx context.Context, next func() (io.Reader, error)) error {
	var buf bytes.Buffer
	for ctx.Err() == nil {
		fr, err := next()
		if err != nil {
			return fmt.Errorf("read uvc frame: %w", err)
		}

		// Cameras emit partial frames on bus hiccups; re-encoding drops them.
		img, err := jpeg.Decode(fr)
		if err != nil {
			u.log.Debug("Dropping undecodable frame", "error", err)
			continue
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			u.log.Warn("Failed to encode frame", "error", err)
			continue
		}
		u.out.PublishFrame(buf.Bytes())
	}
	u.log.Info("UVC capture stopped")
	return nil
}
