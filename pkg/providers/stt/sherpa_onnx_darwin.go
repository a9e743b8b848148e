//go:build darwin

package stt

import impl "github.com/k2-fsa/sherpa-onnx-go-macos"

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
