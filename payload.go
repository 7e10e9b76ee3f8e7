// package apns sends push notifications over the legacy APNs binary provider protocol.
package apns

import (
	"encoding/json"
	"maps"
)

// Alert represents the `alert` dictionary within the `aps` payload.
// It defines the content and appearance of the user-facing notification.
type Alert struct {
	// Body is the text of the alert message.
	Body string `json:"body,omitempty"`

	// ActionLocKey is the key for a localized string to be used as the title
	// of the action button.
	ActionLocKey string `json:"action-loc-key,omitempty"`

	// LocKey is the key for a localized string in the app's
	// `Localizable.strings` file to be used for the alert body.
	LocKey string `json:"loc-key,omitempty"`

	// LocArgs are the variable string values to appear in place of the format
	// specifiers in `loc-key`.
	LocArgs []string `json:"loc-args,omitempty"`

	// LaunchImage is the name of an image file in the app bundle to be
	// displayed when the user launches the app from the notification.
	LaunchImage string `json:"launch-image,omitempty"`
}

// simple reports whether the alert can be sent in its short string form.
// Apple recommends the plain string whenever possible.
func (a *Alert) simple() bool {
	return a.ActionLocKey == "" && a.LocKey == "" && len(a.LocArgs) == 0 && a.LaunchImage == ""
}

// MarshalJSON emits the alert as a plain string when only Body is set, and
// as a dictionary otherwise.
func (a *Alert) MarshalJSON() ([]byte, error) {
	if a.simple() {
		return json.Marshal(a.Body)
	}
	type dictionary Alert // drop methods to avoid recursion
	return json.Marshal((*dictionary)(a))
}

// APS represents the `aps` dictionary, which is the core of an APNs payload.
type APS struct {
	// Alert is the content of the user-facing alert.
	Alert *Alert `json:"alert,omitempty"`

	// Badge is the number to display in a badge on the app's icon.
	// To remove the badge, set this to 0.
	Badge *int `json:"badge,omitempty"`

	// Sound is the name of a sound file in the app's bundle.
	Sound string `json:"sound,omitempty"`

	// ContentAvailable provides a way to wake up your app in the background.
	// Set to 1 to indicate that new content is available.
	ContentAvailable int `json:"content-available,omitempty"`
}

// Payload represents the JSON payload of an APNs notification.
// It consists of the standard `aps` dictionary and any custom data.
type Payload struct {
	// APS is the Apple-defined dictionary that contains notification-specific data.
	APS APS `json:"aps"`

	// CustomData is a map for any app-specific custom data.
	// The keys and values in this map will be merged at the root level of the
	// JSON payload, alongside the `aps` dictionary.
	CustomData map[string]any `json:",inline"`
}

// MarshalJSON implements the `json.Marshaler` interface.
// It customizes the JSON output by merging the `APS` dictionary and the
// `CustomData` map at the root level of the payload. This is necessary
// because encoding/json ignores the `inline` option: without this method the
// map would be emitted under a "CustomData" key.
func (p *Payload) MarshalJSON() ([]byte, error) {
	if len(p.CustomData) == 0 {
		// If there is no custom data, just marshal the APS dictionary.
		return json.Marshal(map[string]any{"aps": &p.APS})
	}

	// If there is custom data, merge it with the APS dictionary.
	mp := maps.Clone(p.CustomData)
	mp["aps"] = &p.APS
	return json.Marshal(mp)
}
