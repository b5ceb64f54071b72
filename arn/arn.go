// Package arn resolves regions and short names from Lambda function
// identifiers. Identifiers arrive in three shapes: full ARNs
// (arn:aws:lambda:us-east-1:123456789012:function:checkout), partial
// colon-delimited forms, and bare function names.
package arn

import (
	"regexp"
	"strings"

	awsarn "github.com/aws/aws-sdk-go-v2/aws/arn"
)

// regionPattern matches region segments like us-east-1, eu-west-2,
// ap-southeast-2 and us-gov-west-1.
var regionPattern = regexp.MustCompile(`^[a-z]{2}(-[a-z]+)+-\d+$`)

// Region returns the region segment of a function identifier, or "" when
// the identifier carries no region or the region slot holds a wildcard.
// Full ARNs are read positionally; other forms are scanned for the first
// region-shaped segment. Never panics, regardless of input shape.
func Region(identifier string) string {
	parts := strings.Split(identifier, ":")
	if strings.HasPrefix(identifier, "arn:") && len(parts) > 3 {
		if regionPattern.MatchString(parts[3]) {
			return parts[3]
		}
		return ""
	}
	for _, part := range parts {
		if regionPattern.MatchString(part) {
			return part
		}
	}
	return ""
}

// FunctionName returns the short function name from an identifier. For a
// full ARN the segment after "function" wins, which strips qualifiers and
// aliases; for any other form the last segment is the name.
func FunctionName(identifier string) string {
	parts := strings.Split(identifier, ":")
	if IsFunctionARN(identifier) {
		for i, part := range parts {
			if part == "function" && i+1 < len(parts) {
				return parts[i+1]
			}
		}
	}
	return parts[len(parts)-1]
}

// IsFunctionARN reports whether the identifier is a well-formed ARN.
func IsFunctionARN(identifier string) bool {
	return awsarn.IsARN(identifier)
}
