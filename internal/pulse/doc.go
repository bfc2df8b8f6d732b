// Package pulse implements a volume source on top of the PulseAudio D-Bus
// protocol (module-dbus-protocol, also served by pipewire-pulse). It tracks
// the fallback sink and reports its volume and mute state through the
// org.PulseAudio.Core1.Device signals.
package pulse
