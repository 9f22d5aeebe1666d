package app

import "errors"

var (
	ErrAuthRequired         = errors.New("authentication credentials were not provided")
	ErrForbidden            = errors.New("you do not have permission to perform this action")
	ErrPostNotFound         = errors.New("post not found")
	ErrTagNotFound          = errors.New("tag not found")
	ErrCommentNotFound      = errors.New("comment not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrAlreadyLiked         = errors.New("You have already liked this post.")
	ErrNotLiked             = errors.New("You have not liked this post.")
	ErrSelfFollow           = errors.New("You cannot follow yourself.")
)
