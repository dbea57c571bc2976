package hiddev

import "sync"

// deviceID keys the name database by USB vendor and product id.
type deviceID struct {
	vendor  uint16
	product uint16
}

// namesMu guards names. RegisterName may be called at startup while
// discovery is already enumerating.
var namesMu sync.RWMutex

// names is the static vendor/product name database. Entries cover the
// authenticators commonly seen in the field; RegisterName extends it at
// runtime (the CLI feeds its `devices:` config entries through it).
var names = map[deviceID]string{
	{0x1050, 0x0010}: "Yubico YubiKey OTP+U2F",
	{0x1050, 0x0113}: "Yubico YubiKey NEO FIDO",
	{0x1050, 0x0114}: "Yubico YubiKey NEO OTP+FIDO",
	{0x1050, 0x0115}: "Yubico YubiKey NEO FIDO+CCID",
	{0x1050, 0x0116}: "Yubico YubiKey NEO OTP+FIDO+CCID",
	{0x1050, 0x0120}: "Yubico Security Key",
	{0x1050, 0x0402}: "Yubico YubiKey 4 FIDO",
	{0x1050, 0x0403}: "Yubico YubiKey 4 OTP+FIDO",
	{0x1050, 0x0406}: "Yubico YubiKey 4 FIDO+CCID",
	{0x1050, 0x0407}: "Yubico YubiKey 4 OTP+FIDO+CCID",
	{0x1050, 0x0410}: "Yubico YubiKey Plus",
	{0x096E, 0x0850}: "Feitian ePass FIDO",
	{0x096E, 0x0852}: "Feitian ePass FIDO-NFC",
	{0x096E, 0x0853}: "Feitian ePass FIDO K13",
	{0x096E, 0x0854}: "Feitian ePass FIDO K21",
	{0x096E, 0x0856}: "Feitian MultiPass FIDO K25",
	{0x096E, 0x0858}: "Feitian BioPass FIDO K26",
	{0x096E, 0x085A}: "Feitian BioPass FIDO K27",
	{0x20A0, 0x4287}: "Nitrokey FIDO U2F",
	{0x20A0, 0x42B1}: "Nitrokey FIDO2",
	{0x0483, 0xA2CA}: "SoloKeys Solo",
	{0x1209, 0x5070}: "SoloKeys Solo Hacker",
	{0x18D1, 0x5026}: "Google Titan Security Key",
	{0x2581, 0xF1D0}: "Plug-up Card Key",
	{0x1EA8, 0xF025}: "Thetis U2F Key",
	{0x24DC, 0x0101}: "JaCarta U2F",
	{0x10C4, 0x8ACF}: "U2F Zero",
}

// LookupName returns the "Vendor Model" name for the given vendor and
// product ids. ok is false for hardware not in the database.
func LookupName(vendor, product uint16) (name string, ok bool) {
	namesMu.RLock()
	defer namesMu.RUnlock()
	name, ok = names[deviceID{vendor, product}]
	return name, ok
}

// RegisterName adds or replaces a database entry. An empty name removes
// the entry.
func RegisterName(vendor, product uint16, name string) {
	namesMu.Lock()
	defer namesMu.Unlock()
	id := deviceID{vendor, product}
	if name == "" {
		delete(names, id)
		return
	}
	names[id] = name
}
