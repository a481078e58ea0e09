package printer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// printerInterfaceClass is the USB interface class for printers (spec
// §4.1 "matching vendor id and interface class printer"), the same
// constant the teacher's usbproxy/types.go names USBClassPrinter.
const printerInterfaceClass = gousb.ClassPrinter

// USBFallback claims a USB printer's bulk-out endpoint directly when no
// character device is present, grounded on the teacher's
// usbproxy/manager.go claim/release shape.
type USBFallback struct {
	vendorID, productID gousb.ID
	ctx                 *gousb.Context
}

// NewUSBFallback constructs a fallback bound to a specific vendor/product
// id pair read from device capability config. Only a device whose vendor
// and product ids both equal the given pair is opened; on it, the first
// printer-class interface is claimed.
func NewUSBFallback(vendorID, productID uint16) *USBFallback {
	return &USBFallback{
		vendorID:  gousb.ID(vendorID),
		productID: gousb.ID(productID),
		ctx:       gousb.NewContext(),
	}
}

// Close releases the USB context.
func (f *USBFallback) Close() error {
	return f.ctx.Close()
}

// Send claims the printer's bulk-out endpoint and writes zpl. It enables
// libusb auto-detach before claiming, so a kernel printer driver holding
// the interface is detached for the write and reattached on release; a
// claim that still fails busy or access-denied is surfaced as busy.
func (f *USBFallback) Send(ctx context.Context, zpl []byte) (Outcome, error) {
	dev, err := f.ctx.OpenDeviceWithVIDPID(f.vendorID, f.productID)
	if err != nil {
		return OutcomeIOError, fmt.Errorf("printer: open USB device: %w", err)
	}
	if dev == nil {
		return OutcomeNotPresent, errors.New("printer: no matching USB printer found")
	}
	defer dev.Close()

	wasAutoDetach := dev.SetAutoDetach(true) == nil

	cfg, err := dev.Config(1)
	if err != nil {
		return f.classifyClaimError(err)
	}
	defer cfg.Close()

	iface, err := f.claimPrinterInterface(cfg)
	if err != nil {
		return f.classifyClaimError(err)
	}
	defer iface.Close()

	outEP, err := findBulkOutEndpoint(iface)
	if err != nil {
		return OutcomeIOError, err
	}

	if _, err := outEP.WriteContext(ctx, zpl); err != nil {
		return OutcomeIOError, fmt.Errorf("printer: bulk write: %w", err)
	}
	_ = wasAutoDetach
	return OutcomeOK, nil
}

func (f *USBFallback) claimPrinterInterface(cfg *gousb.Config) (*gousb.Interface, error) {
	for _, id := range cfg.Desc.Interfaces {
		for _, alt := range id.AltSettings {
			if alt.Class == printerInterfaceClass {
				return cfg.Interface(id.Number, alt.Number)
			}
		}
	}
	return nil, errors.New("printer: no printer-class interface on device")
}

func findBulkOutEndpoint(iface *gousb.Interface) (*gousb.OutEndpoint, error) {
	for _, epDesc := range iface.Setting.Endpoints {
		if epDesc.Direction == gousb.EndpointDirectionOut && epDesc.TransferType == gousb.TransferTypeBulk {
			return iface.OutEndpoint(epDesc.Number)
		}
	}
	return nil, errors.New("printer: no bulk-out endpoint on printer interface")
}

// classifyClaimError distinguishes "another process holds the interface"
// (busy, spec §4.1) from a generic I/O failure.
func (f *USBFallback) classifyClaimError(err error) (Outcome, error) {
	if err == nil {
		return OutcomeOK, nil
	}
	// gousb surfaces a kernel-driver/resource-busy failure as the typed
	// libusb errors ErrorBusy / ErrorAccess.
	if errors.Is(err, gousb.ErrorBusy) || errors.Is(err, gousb.ErrorAccess) {
		return OutcomeBusy, err
	}
	return OutcomeIOError, fmt.Errorf("printer: claim interface: %w", err)
}
