package soft

var X963KDF = x963KDF
