package storage

import "encoding/json"

// Encode converts a typed record into a Document via its JSON tags
func Encode(v interface{}) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Decode converts a Document back into a typed record via its JSON tags
func Decode(doc Document, v interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
