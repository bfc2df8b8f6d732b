// Package feedback plays a short click when the output volume changes.
// It uses the beep library to decode WAV, OGG and MP3 files and scales
// the click by the new output level.
package feedback
