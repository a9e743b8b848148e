//go:build linux

package stt

import impl "github.com/k2-fsa/sherpa-onnx-go-linux"

// Re-export the sherpa-onnx types used by sherpa.go so the rest of the
// package stays platform-agnostic; only this file and its darwin twin
// know which prebuilt binding is linked in.

type sherpaVAD = impl.VoiceActivityDetector
type sherpaVADConfig = impl.VadModelConfig
type sherpaRecognizer = impl.OfflineRecognizer
type sherpaRecognizerConfig = impl.OfflineRecognizerConfig
type sherpaStream = impl.OfflineStream

var newSherpaVAD = impl.NewVoiceActivityDetector
var deleteSherpaVAD = impl.DeleteVoiceActivityDetector
var newSherpaRecognizer = impl.NewOfflineRecognizer
var deleteSherpaRecognizer = impl.DeleteOfflineRecognizer
var newSherpaStream = impl.NewOfflineStream
var deleteSherpaStream = impl.DeleteOfflineStream
