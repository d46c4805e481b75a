package service

import "errors"

// カスタムエラー定義
var (
	ErrInvalidTopic     = errors.New("invalid topic")
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrTopicNotFound    = errors.New("topic not found")
	ErrInvalidSignature = errors.New("invalid signature")
)
